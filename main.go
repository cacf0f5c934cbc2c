package main

import "github.com/andresmejia3/meshcam/cmd"

func main() {
	cmd.Execute()
}
