// Package verification pins peer identity keys and renders safety numbers.
package verification
