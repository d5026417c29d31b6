package ui

import "fmt"

// Debugf prints a yellow [DEBUG] line when debug output is enabled.
func Debugf(enabled bool, format string, a ...interface{}) {
	if enabled {
		fmt.Print("\033[33m")
		fmt.Printf("[DEBUG] "+format, a...)
		fmt.Print("\033[0m")
	}
}

// Greenf prints operator-facing prompts in bright green.
func Greenf(format string, a ...interface{}) {
	fmt.Print("\033[92m")
	fmt.Printf(format, a...)
	fmt.Print("\033[0m")
}

// Warningf prints warnings in bright yellow.
func Warningf(format string, a ...interface{}) {
	fmt.Print("\033[93m")
	fmt.Printf(format, a...)
	fmt.Print("\033[0m")
}

// ClearScreen wipes the terminal and homes the cursor.
func ClearScreen() {
	fmt.Print("\033[2J\033[1;1H")
}
