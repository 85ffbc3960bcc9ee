package main

import "github.com/JakeFAU/docharvest/cmd"

func main() {
	cmd.Execute()
}
