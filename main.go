package main

import "github.com/CyberTailor/pkgcore/internal/ebd"

func main() {
	ebd.Main()
}
