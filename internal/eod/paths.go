package eod

import (
	"os"
	"path/filepath"
	"time"
)

func logDir() string {
	if v := os.Getenv("ADMISSION_LOG_DIR"); v != "" {
		return v
	}
	return "logs"
}

func eodCSVPath(dir string, t time.Time) string {
	return filepath.Join(dir, t.Format("2006-01-02")+".csv")
}

func eodJSONPath(dir string, t time.Time) string {
	return filepath.Join(dir, t.Format("2006-01-02")+".json")
}
