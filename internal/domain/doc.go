// Package domain holds the types, interfaces and error values shared across
// sealchat. Services depend on the interfaces declared here, never on each
// other's concrete types.
package domain
