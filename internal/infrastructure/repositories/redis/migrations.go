package redis

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const currentSchemaVersion = 1

// Migration represents a database migration
type Migration struct {
	Version int
	Up      func(ctx context.Context, client *redis.Client, keys Keys) error
	Down    func(ctx context.Context, client *redis.Client, keys Keys) error
}

// Migrate runs all pending migrations
func Migrate(ctx context.Context, client *redis.Client, keys Keys, logger *zap.SugaredLogger) error {
	// Get current schema version
	currentVersion, err := getSchemaVersion(ctx, client, keys)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	if currentVersion >= currentSchemaVersion {
		if logger != nil {
			logger.Infow("schema is up to date",
				"current_version", currentVersion,
				"target_version", currentSchemaVersion,
			)
		}
		return nil
	}

	// Run migrations
	migrations := getMigrations()
	for _, migration := range migrations {
		if migration.Version > currentVersion {
			if logger != nil {
				logger.Infow("running migration",
					"version", migration.Version,
				)
			}

			if err := migration.Up(ctx, client, keys); err != nil {
				return fmt.Errorf("migration %d failed: %w", migration.Version, err)
			}

			// Update schema version
			if err := setSchemaVersion(ctx, client, keys, migration.Version); err != nil {
				return fmt.Errorf("failed to update schema version: %w", err)
			}

			if logger != nil {
				logger.Infow("migration completed",
					"version", migration.Version,
				)
			}
		}
	}

	// Set final version
	if err := setSchemaVersion(ctx, client, keys, currentSchemaVersion); err != nil {
		return fmt.Errorf("failed to set final schema version: %w", err)
	}

	if logger != nil {
		logger.Infow("all migrations completed",
			"final_version", currentSchemaVersion,
		)
	}

	return nil
}

// getSchemaVersion gets the current schema version from Redis
func getSchemaVersion(ctx context.Context, client *redis.Client, keys Keys) (int, error) {
	val, err := client.Get(ctx, keys.SchemaVersion()).Int()
	if err == redis.Nil {
		return 0, nil // No version set, start from 0
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

// setSchemaVersion sets the schema version in Redis
func setSchemaVersion(ctx context.Context, client *redis.Client, keys Keys, version int) error {
	return client.Set(ctx, keys.SchemaVersion(), version, 0).Err()
}

// getMigrations returns all migrations in order
func getMigrations() []Migration {
	return []Migration{
		{
			// Layouts written before the sessions index existed.
			Version: 1,
			Up: func(ctx context.Context, client *redis.Client, keys Keys) error {
				prefix := keys.LayoutPrefix()
				iter := client.Scan(ctx, 0, prefix+"*", 100).Iterator()
				for iter.Next(ctx) {
					session := strings.TrimPrefix(iter.Val(), prefix)
					if err := client.SAdd(ctx, keys.Sessions(), session).Err(); err != nil {
						return err
					}
				}
				return iter.Err()
			},
			Down: func(ctx context.Context, client *redis.Client, keys Keys) error {
				return client.Del(ctx, keys.Sessions()).Err()
			},
		},
	}
}
