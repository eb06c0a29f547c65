package store

import (
	"context"
	"database/sql"
	"fmt"

	sqlite3 "github.com/mattn/go-sqlite3"
)

// backupDatabase performs a consistent online backup of the database at
// srcPath into a fresh file at destPath using SQLite's backup API (not a
// raw file copy, which could race a concurrent writer)
func backupDatabase(ctx context.Context, srcPath, destPath string) error {
	destDB, err := sql.Open("sqlite3", destPath)
	if err != nil {
		return fmt.Errorf("open backup destination: %w", err)
	}
	defer destDB.Close()

	srcDB, err := sql.Open("sqlite3", srcPath)
	if err != nil {
		return fmt.Errorf("open backup source: %w", err)
	}
	defer srcDB.Close()

	srcConn, err := srcDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire source connection: %w", err)
	}
	defer srcConn.Close()

	destConn, err := destDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire destination connection: %w", err)
	}
	defer destConn.Close()

	var backupErr error
	err = destConn.Raw(func(destDriverConn interface{}) error {
		destSQLiteConn, ok := destDriverConn.(*sqlite3.SQLiteConn)
		if !ok {
			return fmt.Errorf("destination connection is not a sqlite3 connection")
		}
		return srcConn.Raw(func(srcDriverConn interface{}) error {
			srcSQLiteConn, ok := srcDriverConn.(*sqlite3.SQLiteConn)
			if !ok {
				return fmt.Errorf("source connection is not a sqlite3 connection")
			}
			backup, err := destSQLiteConn.Backup("main", srcSQLiteConn, "main")
			if err != nil {
				return fmt.Errorf("start backup: %w", err)
			}
			defer backup.Close()

			for {
				done, stepErr := backup.Step(-1)
				if stepErr != nil {
					backupErr = fmt.Errorf("backup step: %w", stepErr)
					return backupErr
				}
				if done {
					return nil
				}
			}
		})
	})
	if err != nil {
		return err
	}
	return backupErr
}
