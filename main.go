package main

import "github.com/ivanlppires/supernavi-edge-sub000/cmd"

func main() {
	cmd.Execute()
}
