package logging

import "fmt"

// GenerateLogrotateConfig creates a logrotate configuration for a component
func GenerateLogrotateConfig(component string) string {
	return fmt.Sprintf(`# Logrotate configuration for fileserver %s
# Install: sudo cp this file to /etc/logrotate.d/fileserver-%s

%s/%s/*.log {
    daily
    rotate 14

    compress
    delaycompress

    missingok
    notifempty

    create 0644 fileserver fileserver
    sharedscripts

    postrotate
        systemctl reload fileserver-%s 2>/dev/null || true
    endscript
}
`, component, component, DefaultBaseDir, component, component)
}
