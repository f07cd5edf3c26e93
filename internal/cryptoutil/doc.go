// Package cryptoutil holds the integrity checks used when loading rules
// files: sha256 hashing, constant-time hash comparison, and detached
// signature verification against an AWS KMS asymmetric key.
package cryptoutil
