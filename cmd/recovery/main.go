package main

import (
	"github.com/JaikishoreKC/omnichannel-agentic-commerce/internal/cli"
)

func main() {
	cli.Execute()
}
