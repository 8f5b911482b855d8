package main

import (
	"log"

	"github.com/onurcolak/insider-dispatch-service/environments"
	"github.com/onurcolak/insider-dispatch-service/pkg/database"
	"github.com/onurcolak/insider-dispatch-service/pkg/secrets"
)

func main() {
	cfg := environments.Load()

	cipher, err := secrets.NewCipher(cfg.Secrets.EncryptionKey)
	if err != nil {
		log.Fatalf("Invalid SECRETS_ENCRYPTION_KEY: %v", err)
	}

	db, err := database.NewMySQLDB(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	defer func() {
		if err := db.Close(); err != nil {
			log.Printf("Failed to close database: %v", err)
		}
	}()

	if err := database.RunMigrations(db); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	token := environments.GetEnv("SEED_ACCESS_TOKEN", "test-access-token")
	if err := database.SeedTestData(db, cipher, token); err != nil {
		log.Fatalf("Failed to seed test data: %v", err)
	}

	log.Println("Seed completed successfully")
}
