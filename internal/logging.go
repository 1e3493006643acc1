package internal

import (
	"log"
	"os"
)

// NewLogger returns a stdout logger prefixed with "hobbes/<component>".
func NewLogger(component string) *log.Logger {
	prefix := "hobbes"
	if component != "" {
		prefix = prefix + "/" + component
	}
	return log.New(os.Stdout, prefix+" ", log.LstdFlags|log.Lmicroseconds)
}
