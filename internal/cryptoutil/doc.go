// Package cryptoutil verifies detached signatures over configuration
// documents using keys held in AWS KMS, plus small hashing helpers.
//
// Verification is local: the public key is fetched from KMS once and cached,
// so a signature check costs one API call per process rather than per document.
package cryptoutil
