package main

import (
	"log"

	"github.com/taskloom/taskloom/core/controlplane/orchestrator"
	"github.com/taskloom/taskloom/core/infra/buildinfo"
	"github.com/taskloom/taskloom/core/infra/config"
)

func main() {
	log.Println("taskloom orchestrator starting...")
	buildinfo.Log("taskloom-orchestrator")
	cfg := config.Load()
	if err := orchestrator.Run(cfg); err != nil {
		log.Fatalf("orchestrator error: %v", err)
	}
}
