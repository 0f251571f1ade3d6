package config

import (
	"fmt"
	"os"
	"strings"
)

// Template returns a commented starter file for kind: owner, window or
// state.
func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "owner":
		return ownerTemplate, nil
	case "window":
		return windowTemplate, nil
	case "state":
		return stateTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const ownerTemplate = `[owner]
network = "unix"
listen = "/tmp/panesync.sock"
# initial_state = "state.jsonc"

[store]
link_queue = 1024
log_size = 4096

[session]
write_timeout = "10s"
outbox_size = 1024

[external]
http_addr = "127.0.0.1:59650"
tcp_addr = "127.0.0.1:59651"
cors_origins = ["http://localhost"]
event_queue = 256
promise_timeout = "30s"
`

const windowTemplate = `[window]
role = "child"
network = "unix"
address = "/tmp/panesync.sock"

[follower]
max_buffered = 1024

[session]
call_timeout = "30s"

[session.backoff]
initial_delay = "100ms"
multiplier = 2.0
max_delay = "5s"
jitter = true
max_attempts = 0
`

const stateTemplate = `{
  // module name -> starting state
  "ScenesService": {
    "activeSceneId": "scene-default",
    "displayOrder": ["scene-default"],
    "scenes": {
      "scene-default": {"id": "scene-default", "name": "Scene", "items": []},
    },
  },
}
`
