package cli

import (
	"fmt"

	"github.com/fatih/color"
)

func printHeader(title string) {
	fmt.Println(color.CyanString(logo))
	if title != "" {
		fmt.Println(title)
		fmt.Println("─────────────────────")
	}
}

func printSuccess(msg string) {
	fmt.Println(color.GreenString("✓ ") + msg)
}

func printError(msg string) {
	fmt.Println(color.RedString("✗ ") + msg)
}
