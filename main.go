package main

import "github.com/frahmantamala/mpesa-payments/cmd"

func main() {
	cmd.Execute()
}
