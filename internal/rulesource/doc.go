// Package rulesource loads custom header rules for the engine.
//
// A rules document maps canonical header names to loosely typed rule
// entries and is read from a local JSON or YAML file at startup, or from S3
// through RemoteLoader. Remote documents are content addressed: an SSM
// parameter holds the SHA-256 of the active document, the object lives at
// {prefix}/{sha256}.json and may carry a detached KMS signature at
// {prefix}/{sha256}.json.sig. Watcher polls the parameter and swaps rule
// sets into a running engine.
package rulesource
