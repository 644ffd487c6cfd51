package main

import "errors"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		var uerr *usageError
		if errors.As(err, &uerr) {
			exitUsage(err)
		}

		exitOnError(err)
	}
}
