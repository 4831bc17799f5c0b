package main

// Version is the server's reported build version, surfaced by the
// `version`/`status` CLI subcommands.
var Version = "0.1.0-dev"
