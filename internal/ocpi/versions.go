package ocpi

// ModuleID identifies an OCPI module in a version details endpoint list
type ModuleID string

const (
	ModuleCredentials ModuleID = "credentials"
	ModuleCommands    ModuleID = "commands"
	ModuleTokens      ModuleID = "tokens"
	ModuleLocations   ModuleID = "locations"
	ModuleSessions    ModuleID = "sessions"
	ModuleCDRs        ModuleID = "cdrs"
	ModuleTariffs     ModuleID = "tariffs"
)

// InterfaceRole tells whether an endpoint is the sender or receiver side of a module
type InterfaceRole string

const (
	InterfaceSender   InterfaceRole = "SENDER"
	InterfaceReceiver InterfaceRole = "RECEIVER"
)

// Version is one entry of a versions list
type Version struct {
	Version string `json:"version"`
	URL     string `json:"url"`
}

// Endpoint is one module endpoint of a version
type Endpoint struct {
	Identifier ModuleID      `json:"identifier"`
	Role       InterfaceRole `json:"role"`
	URL        string        `json:"url"`
}

// VersionDetails is the endpoint catalog of a single version
type VersionDetails struct {
	Version   string     `json:"version"`
	URL       string     `json:"url,omitempty"`
	Endpoints []Endpoint `json:"endpoints"`
}

// Endpoint returns the url of the module/role pair, or "" when it is not published
func (d *VersionDetails) Endpoint(module ModuleID, role InterfaceRole) string {
	if d == nil {
		return ""
	}
	for _, e := range d.Endpoints {
		if e.Identifier == module && (role == "" || e.Role == "" || e.Role == role) {
			return e.URL
		}
	}
	return ""
}

// FindVersion returns the entry matching version
func FindVersion(versions []Version, version string) (Version, bool) {
	for _, v := range versions {
		if v.Version == version {
			return v, true
		}
	}
	return Version{}, false
}
