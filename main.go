package main

import (
	"log"
	"net/http"
)

func main() {
	cfg := LoadConfig()

	db, err := InitDB(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to init database: %v", err)
	}
	defer db.Close()

	rules, err := loadFilterRulesIfConfigured(cfg.FilterRulesPath)
	if err != nil {
		log.Fatalf("Failed to load filter rules: %v", err)
	}

	mail := &MCPClient{
		Gateway:     cfg.MailGatewayURL,
		StripPrefix: cfg.MailToolPrefix,
		Timeout:     cfg.CallTimeout(),
		Retries:     cfg.CallRetries,
	}
	asana := &MCPClient{
		Gateway: cfg.AsanaGatewayURL,
		Timeout: cfg.CallTimeout(),
		Retries: cfg.CallRetries,
	}
	warehouse := NewWarehouse(&MCPClient{
		Gateway: cfg.WarehouseGatewayURL,
		Timeout: cfg.CallTimeout(),
		Retries: cfg.CallRetries,
	}, cfg.WarehouseTool)

	queue := NewOpQueue(mail, db, 0)
	queue.Start()
	defer queue.Close()

	llm := newAnthropicCaller(cfg.AnthropicAPIKey, cfg.LLMModel)

	briefer := NewBriefer(cfg, mail, warehouse, queue, llm, rules, db)
	triager := NewTriager(cfg, asana, warehouse, llm, db)
	hiveMind := NewHiveMind(warehouse, cfg.HiveMindTable)
	notifier := NewNotifier(cfg)

	StartSchedulers(cfg, briefer, triager, notifier)

	server := NewServer(cfg, briefer, triager, hiveMind, warehouse, db)
	log.Printf("Starting ABBI assistant backend on %s", cfg.ListenAddr)
	if err := http.ListenAndServe(cfg.ListenAddr, server.Handler()); err != nil {
		log.Fatalf("HTTP server error: %v", err)
	}
}
