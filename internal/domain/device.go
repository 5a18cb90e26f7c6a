package domain

// Device управляемое устройство из инвентаря. ID совпадает с agent_id агента на устройстве.
type Device struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"` // Человекочитаемое имя, например "edge-msk-01"
}

// Group именованный набор устройств для резолва целей развертывания
type Group struct {
	ID        string   `json:"id" yaml:"id"`
	Name      string   `json:"name" yaml:"name"`
	DeviceIDs []string `json:"device_ids" yaml:"devices"`
}

// Software запись каталога ПО
type Software struct {
	ID             string `json:"id" yaml:"id"`
	Name           string `json:"name" yaml:"name"`
	Version        string `json:"version" yaml:"version"`
	Package        string `json:"package,omitempty" yaml:"package"`
	InstallCommand string `json:"install_command" yaml:"install_command"`
}
