package stores

import (
	"collab-editor/config"
	"collab-editor/core"
	"collab-editor/stores/badger"
	"collab-editor/stores/filesystem"
	"collab-editor/stores/memory"
	"collab-editor/stores/redis"
	"collab-editor/stores/s3"
	"collab-editor/stores/sqlite"
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// GetStore builds the Room Store selected by STORAGE_TYPE.
func GetStore(ctx context.Context, cfg config.Store) (core.RoomStore, error) {
	var (
		store core.RoomStore
		err   error
	)

	storageField := logrus.Fields{
		"storage_type": cfg.Type,
		"ttl":          cfg.TTL.String(),
	}

	switch cfg.Type {
	case "redis":
		storageField["redis_addr"] = cfg.RedisAddr
		store = redis.NewRoomStore(redis.NewClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB), cfg.TTL)
	case "badger":
		storageField["badger_path"] = cfg.BadgerPath
		db, openErr := badger.Open(cfg.BadgerPath)
		if openErr != nil {
			return nil, openErr
		}
		store = badger.NewRoomStore(db, cfg.TTL)
	case "sqlite":
		storageField["data_source_name"] = cfg.DataSource
		store, err = sqlite.NewRoomStore(cfg.DataSource, cfg.TTL)
	case "filesystem":
		storageField["base_path"] = cfg.LocalPath
		store, err = filesystem.NewRoomStore(cfg.LocalPath, cfg.TTL)
	case "s3":
		storageField["bucket"] = cfg.S3Bucket
		store, err = s3.NewRoomStore(ctx, cfg.S3Bucket, cfg.TTL)
	case "memory", "":
		store = memory.NewRoomStore(cfg.TTL)
		storageField["storage_type"] = "in-memory"
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
	if err != nil {
		return nil, err
	}

	logrus.WithFields(storageField).Info("Use storage")
	return store, nil
}
