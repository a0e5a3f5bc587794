// Command nodedebug is a small CLI harness for exercising the engine
// package against a real Node.js debug target: attach to an
// already-running --debug process, or launch one directly.
package main

func main() {
	Execute()
}
