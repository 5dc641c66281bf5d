package proxy

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"ndt-reporter/pkg/models"
)

// Load parses a newline-delimited proxy list. Blank lines and lines starting
// with '#' are skipped, as are entries with an unknown scheme.
func Load(r io.Reader, logger *slog.Logger) ([]models.ProxyDescriptor, error) {
	var lines []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read proxy list: %w", err)
	}
	return ParseLines(lines, logger), nil
}

// LoadFile reads the proxy list at path
func LoadFile(path string, logger *slog.Logger) ([]models.ProxyDescriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open proxy file: %w", err)
	}
	defer f.Close()

	return Load(f, logger)
}

func ParseLines(lines []string, logger *slog.Logger) []models.ProxyDescriptor {
	var proxies []models.ProxyDescriptor
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		d, err := models.ParseProxyDescriptor(line)
		if err != nil {
			logger.Warn("skipping proxy entry", "error", err)
			continue
		}
		proxies = append(proxies, d)
	}
	return proxies
}
