// Package backup stores a PIN-sealed copy of the key ring on the server.
package backup
