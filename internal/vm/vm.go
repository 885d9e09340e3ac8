// Package vm provides VM lifecycle management. The Registry owns running
// instances; the Manager resolves restore images, identities and
// configurations and hands them to the Registry.
package vm
