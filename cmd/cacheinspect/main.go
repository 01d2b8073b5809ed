package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sort"
	"time"

	"queuetrack/internal/shared/config"
	"queuetrack/internal/shared/database"
	"queuetrack/pkg/cache"
	"queuetrack/pkg/logger"

	"github.com/joho/godotenv"
)

// Lists or clears the records the tracker persisted in its cache store.
//
//	cacheinspect            list keys with their age and size
//	cacheinspect -values    also print each value
//	cacheinspect -clear     delete every persisted record
func main() {
	showValues := flag.Bool("values", false, "print record values")
	clearAll := flag.Bool("clear", false, "delete every persisted record")
	flag.Parse()

	_ = godotenv.Load()
	cfg := config.Load()

	db, err := database.InitDB(cfg, logger.Discard())
	if err != nil {
		log.Fatalf("❌ Cache store connection failed: %v", err)
	}
	defer db.Close()

	var store cache.Store
	switch {
	case db.Redis != nil:
		store = cache.NewRedisStore(db.Redis, cfg.Cache.Namespace)
	case db.PostgreSQL != nil:
		store = cache.NewGormStore(db.PostgreSQL)
	default:
		fmt.Printf("Cache store %q keeps nothing between runs\n", cfg.Cache.Store)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if *clearAll {
		if err := store.Clear(ctx); err != nil {
			log.Fatalf("❌ Clear failed: %v", err)
		}
		fmt.Printf("✅ Cleared %s store\n", cfg.Cache.Store)
		return
	}

	records, err := store.Load(ctx)
	if err != nil {
		log.Fatalf("❌ Load failed: %v", err)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Key < records[j].Key })

	fmt.Printf("📦 %d records in %s store\n", len(records), cfg.Cache.Store)
	fmt.Println("===================================")
	now := time.Now()
	for _, r := range records {
		fmt.Printf("%-45s age=%-12s size=%d\n", r.Key, now.Sub(r.FetchedAt).Truncate(time.Second), len(r.Value))
		if *showValues {
			fmt.Printf("   %s\n", r.Value)
		}
	}
}
