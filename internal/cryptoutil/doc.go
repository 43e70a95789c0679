// Package cryptoutil verifies rule documents fetched from remote storage:
// SHA-256 digests compared in constant time and detached signatures checked
// locally against a KMS-held public key.
package cryptoutil
