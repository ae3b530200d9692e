package main

import "github.com/kexinoh/free-OKC/cmd"

func main() {
	cmd.Execute()
}
