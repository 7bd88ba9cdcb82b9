package event

import "fmt"

// Attribute holds the common client attributes attached to every event.
type Attribute struct {
	AppVersion         string `json:"app_version" binding:"required"`
	AppBuild           string `json:"app_build" binding:"required"`
	ThreadName         string `json:"thread_name"`
	CountryCode        string `json:"country_code"`
	DeviceName         string `json:"device_name"`
	DeviceModel        string `json:"device_model"`
	DeviceManufacturer string `json:"device_manufacturer"`
	DeviceLocale       string `json:"device_locale"`
	OSName             string `json:"os_name"`
	OSVersion          string `json:"os_version"`
	NetworkType        string `json:"network_type"`
	NetworkGeneration  string `json:"network_generation"`
	NetworkProvider    string `json:"network_provider"`
}

// Validate bounds each attribute field so malformed client uploads cannot
// bloat storage.
func (a Attribute) Validate() error {
	const (
		maxAppVersionChars        = 32
		maxAppBuildChars          = 32
		maxThreadNameChars        = 64
		maxCountryCodeChars       = 8
		maxDeviceNameChars        = 32
		maxDeviceModelChars       = 32
		maxManufacturerChars      = 32
		maxDeviceLocaleChars      = 64
		maxOSNameChars            = 32
		maxOSVersionChars         = 32
		maxNetworkTypeChars       = 16
		maxNetworkGenerationChars = 8
		maxNetworkProviderChars   = 64
	)

	checks := []struct {
		name  string
		value string
		max   int
	}{
		{"attribute.app_version", a.AppVersion, maxAppVersionChars},
		{"attribute.app_build", a.AppBuild, maxAppBuildChars},
		{"attribute.thread_name", a.ThreadName, maxThreadNameChars},
		{"attribute.country_code", a.CountryCode, maxCountryCodeChars},
		{"attribute.device_name", a.DeviceName, maxDeviceNameChars},
		{"attribute.device_model", a.DeviceModel, maxDeviceModelChars},
		{"attribute.device_manufacturer", a.DeviceManufacturer, maxManufacturerChars},
		{"attribute.device_locale", a.DeviceLocale, maxDeviceLocaleChars},
		{"attribute.os_name", a.OSName, maxOSNameChars},
		{"attribute.os_version", a.OSVersion, maxOSVersionChars},
		{"attribute.network_type", a.NetworkType, maxNetworkTypeChars},
		{"attribute.network_generation", a.NetworkGeneration, maxNetworkGenerationChars},
		{"attribute.network_provider", a.NetworkProvider, maxNetworkProviderChars},
	}

	for _, c := range checks {
		if len(c.value) > c.max {
			return fmt.Errorf("%q exceeds maximum allowed characters of %d", c.name, c.max)
		}
	}

	return nil
}
