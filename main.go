package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) != 2 {
		printUsage()
		os.Exit(1)
	}

	cfg := DefaultConfig()
	switch os.Args[1] {
	case "vocab":
		runVocab(cfg)
	case "train":
		runTrain(cfg)
	case "verify":
		runVerify(cfg)
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Onyx - byte-exact memorization of a single text file")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  onyx vocab     Build the character vocabulary from the corpus")
	fmt.Println("  onyx train     Run the sliding micro-drill until the loss converges (Ctrl-C saves and stops)")
	fmt.Println("  onyx verify    Regenerate the corpus from the checkpoint and compare SHA-256 digests")
	fmt.Println()
	fmt.Println("Paths and hyperparameters are fixed in DefaultConfig.")
}
