// Command cardscan identifies trading cards held in front of a camera. It
// reads the card title with Tesseract, looks the text up in a card catalog
// and optionally confirms the best candidates by ORB feature matching against
// their reference images.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
