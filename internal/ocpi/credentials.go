package ocpi

import "time"

// Image is the optional logo of a business
type Image struct {
	URL       string `json:"url"`
	Thumbnail string `json:"thumbnail,omitempty"`
	Category  string `json:"category"`
	Type      string `json:"type"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
}

// BusinessDetails describes the operator behind a role
type BusinessDetails struct {
	Name    string `json:"name"`
	Website string `json:"website,omitempty"`
	Logo    *Image `json:"logo,omitempty"`
}

// CredentialsRole is one role a party registers with
type CredentialsRole struct {
	Role            Role            `json:"role"`
	BusinessDetails BusinessDetails `json:"business_details"`
	PartyID         string          `json:"party_id"`
	CountryCode     string          `json:"country_code"`
}

// Identity returns the party identity of the role
func (r CredentialsRole) Identity() PartyIdentity {
	return PartyIdentity{CountryCode: r.CountryCode, PartyID: r.PartyID, Role: r.Role}
}

// Credentials is the body exchanged on the credentials module
type Credentials struct {
	Token string            `json:"token"`
	URL   string            `json:"url"`
	Roles []CredentialsRole `json:"roles"`
}

// ClientInformation is the registration aggregate of one partner.
//
// ClientToken is the handshake token the partner presents before registration, ServerToken
// is the token issued by this node (rotated on every registration) and PartnerToken is the
// token this node presents when calling the partner.
type ClientInformation struct {
	ID           int64             `json:"id"`
	ClientToken  string            `json:"-"`
	ServerToken  string            `json:"-"`
	PartnerToken string            `json:"-"`
	VersionsURL  string            `json:"versionsUrl"`
	Version      string            `json:"version"`
	Registered   bool              `json:"registered"`
	Roles        []CredentialsRole `json:"roles"`
	Versions     []VersionDetails  `json:"versions"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
}

// Details returns the endpoint catalog stored for version
func (c *ClientInformation) Details(version string) *VersionDetails {
	for i := range c.Versions {
		if c.Versions[i].Version == version {
			return &c.Versions[i]
		}
	}
	return nil
}

// HasRole reports whether one of the stored roles matches party
func (c *ClientInformation) HasRole(party PartyIdentity) bool {
	for _, r := range c.Roles {
		if r.Identity().Matches(party) {
			return true
		}
	}
	return false
}
