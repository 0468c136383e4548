// Package identity manages the local half of SSH based access: an ed25519 key
// pair whose private key is held in locked memory, and a tagged entry in an
// authorized_keys file.
//
// Store rewrites the whole file through a temporary file in the same directory
// followed by a rename, so readers observe either the old or the new content.
// Concurrent writers from other processes are not coordinated; the last rename
// wins.
package identity
