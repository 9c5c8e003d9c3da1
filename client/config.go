package client

import (
	"errors"
	"fmt"
	"os"

	yaml "gopkg.in/yaml.v3"
)

/*
Reads client options from a yaml file. Durations are expressed as duration strings (ex: 5s, 500ms).
The logger, metrics registerer and dialer cannot be set from a file.
*/
func LoadClientOptions(path string) (EtcdClientOptions, error) {
	var opts EtcdClientOptions

	content, err := os.ReadFile(path)
	if err != nil {
		return opts, errors.New(fmt.Sprintf("Error reading the client options file: %s", err.Error()))
	}

	err = yaml.Unmarshal(content, &opts)
	if err != nil {
		return opts, errors.New(fmt.Sprintf("Error parsing the client options file: %s", err.Error()))
	}

	if len(opts.EtcdEndpoints) == 0 {
		return opts, errors.New("Client options file does not define any endpoint")
	}

	if opts.Password == "" {
		opts.Password = os.Getenv("ETCD_CLIENT_PASSWORD")
	}

	return opts, nil
}
