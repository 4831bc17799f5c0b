package main

import "time"

// defaultIdleTimeout disconnects a signed-on connection that sends nothing
// (not even a keepalive) for this long.
const defaultIdleTimeout = 10 * time.Minute
