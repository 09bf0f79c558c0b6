// Command snapsync is the CLI for the capture sync engine: spool inspection
// and maintenance, one-shot drains, and the long-running daemon.
package main
