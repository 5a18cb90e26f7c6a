package domain

import (
	"fmt"
	"strings"
)

type PayloadKind string

const (
	PayloadInstall  PayloadKind = "install"
	PayloadFileCopy PayloadKind = "file_copy"
)

// Payload описание того, что раскатывается на каждое устройство.
// Для install заполнен Software (из инвентаря) или Custom, для file_copy File.
type Payload struct {
	Kind     PayloadKind     `json:"kind"`
	Software []Software      `json:"software,omitempty"`
	Custom   *CustomSoftware `json:"custom_software,omitempty"`
	File     *FileCopySpec   `json:"file,omitempty"`
}

// CustomSoftware произвольная установка без записи в инвентаре
type CustomSoftware struct {
	Name           string `json:"name"`
	Version        string `json:"version,omitempty"`
	InstallCommand string `json:"install_command"`
}

// FileCopySpec копирование файла на устройство
type FileCopySpec struct {
	SourceURL   string `json:"source_url"`
	Destination string `json:"destination"`
	Mode        string `json:"mode,omitempty"` // например "0644"
}

// Validate проверяет, что payload пригоден для отправки агенту
func (p Payload) Validate() error {
	switch p.Kind {
	case PayloadInstall:
		if len(p.Software) == 0 && p.Custom == nil {
			return ErrEmptyPayload
		}
		if p.Custom != nil && strings.TrimSpace(p.Custom.InstallCommand) == "" {
			return fmt.Errorf("%w: custom software install_command is required", ErrInvalidPayload)
		}
	case PayloadFileCopy:
		if p.File == nil {
			return ErrEmptyPayload
		}
		if p.File.SourceURL == "" || p.File.Destination == "" {
			return fmt.Errorf("%w: file copy requires source_url and destination", ErrInvalidPayload)
		}
	case "":
		return ErrEmptyPayload
	default:
		return fmt.Errorf("%w: unsupported payload kind %q", ErrInvalidPayload, p.Kind)
	}
	return nil
}
