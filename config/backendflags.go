package config

import (
	"errors"
	"strconv"
	"strings"

	"github.com/trinogate/trinogate/cluster"
)

const backendUsage = `set a Trino backend, e.g. -backend name=trino-1,proxy-to=http://trino-1.internal:8080,group=etl
	repeat the flag for multiple backends. Possible backend properties:
	name: identifies the backend, required and unique
	proxy-to: the URL the gateway connects to, required
	external-url: the URL the backend advertises in follow-up URIs (defaults to proxy-to)
	group: the routing group of the backend (defaults to adhoc)
	inactive: when true, the backend is configured but not routed to`

type backendFlags []cluster.BackendOptions

var errInvalidBackendConfig = errors.New("invalid backend config (allowed properties are: name, proxy-to, external-url, group and inactive)")

func (b backendFlags) String() string {
	s := make([]string, len(b))
	for i, bi := range b {
		s[i] = bi.Name + "=" + bi.ProxyTo
	}

	return strings.Join(s, "\n")
}

func (b *backendFlags) Set(value string) error {
	var o cluster.BackendOptions

	for _, vi := range strings.Split(value, ",") {
		k, v, found := strings.Cut(vi, "=")
		if !found {
			return errInvalidBackendConfig
		}

		switch k {
		case "name":
			o.Name = v
		case "proxy-to":
			o.ProxyTo = v
		case "external-url":
			o.ExternalURL = v
		case "group":
			o.RoutingGroup = v
		case "inactive":
			inactive, err := strconv.ParseBool(v)
			if err != nil {
				return errInvalidBackendConfig
			}
			o.Inactive = inactive
		default:
			return errInvalidBackendConfig
		}
	}

	*b = append(*b, o)
	return nil
}

func (b *backendFlags) UnmarshalYAML(unmarshal func(any) error) error {
	var values []struct {
		Name        string `yaml:"name"`
		ProxyTo     string `yaml:"proxy-to"`
		ExternalURL string `yaml:"external-url"`
		Group       string `yaml:"group"`
		Inactive    bool   `yaml:"inactive"`
	}

	if err := unmarshal(&values); err != nil {
		return err
	}

	*b = nil
	for _, v := range values {
		*b = append(*b, cluster.BackendOptions{
			Name:         v.Name,
			ProxyTo:      v.ProxyTo,
			ExternalURL:  v.ExternalURL,
			RoutingGroup: v.Group,
			Inactive:     v.Inactive,
		})
	}

	return nil
}
