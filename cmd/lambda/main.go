package main

import (
	"log"

	"github.com/aws/aws-lambda-go/lambda"

	"github.com/TheMichaelB/walletguard/internal/lambda/handler"
)

// Reused across warm starts.
var h *handler.Handler

func init() {
	var err error
	h, _, err = handler.NewFromEnv()
	if err != nil {
		log.Fatalf("Failed to initialize handler: %v", err)
	}
}

func main() {
	lambda.Start(h.Handle)
}
