// Package main provides the entry point for the xu-news server CLI.
package main

import (
	"os"

	"github.com/rubyxyr/XU-News-AI-RAG/cmd/xu-news/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
