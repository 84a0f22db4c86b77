// Package main is the entry point for toolgate.
package main

func main() {
	Execute()
}
