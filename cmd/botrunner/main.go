package main

import (
	"log"

	corecmd "github.com/m3rciful/botrunner/core/cmd"
)

func main() {
	if err := corecmd.Run(corecmd.Options{DefaultConfigPath: "config.yaml"}); err != nil {
		log.Fatal(err)
	}
}
