package main

import (
	"github.com/galdor/go-service/pkg/service"
)

func main() {
	service.Run("rangekv", "a replicated, sharded key-value storage server",
		NewService())
}
