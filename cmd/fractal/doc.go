// Command fractal controls a running fractald over its HTTP API: toggle or
// cancel training, inspect state, stream updates, read device conditions and
// session history. `fractal daemon` runs the daemon in the foreground.
package main
