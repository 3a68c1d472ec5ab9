package db

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/balu-dk/go-ocpi/internal/ocpi"
	"github.com/jackc/pgx/v5"
)

// CreateClient persists a freshly initiated partner together with its discovered versions
func (s *PostgresStore) CreateClient(ctx context.Context, client *ocpi.ClientInformation) error {
	now := time.Now().UTC()
	client.CreatedAt = now
	client.UpdatedAt = now

	return s.withTx(ctx, func(tx pgx.Tx) error {
		query, args, err := s.sb.
			Insert("clients").
			Columns("client_token", "partner_token", "versions_url", "version", "registered", "created_at", "updated_at").
			Values(client.ClientToken, client.PartnerToken, client.VersionsURL, client.Version, client.Registered, now, now).
			Suffix("RETURNING id").
			ToSql()
		if err != nil {
			return fmt.Errorf("building client insert: %w", err)
		}
		if err := tx.QueryRow(ctx, query, args...).Scan(&client.ID); err != nil {
			return mapError(err, "inserting client")
		}

		if err := s.replaceRoles(ctx, tx, client.ID, client.Roles); err != nil {
			return err
		}
		for i := range client.Versions {
			if err := s.replaceVersion(ctx, tx, client.ID, &client.Versions[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// SaveRegistration writes the outcome of a (re-)registration in one transaction: tokens and
// status, the full role set, and the endpoint set of every version carried by client.
// Versions not carried by client are left untouched.
func (s *PostgresStore) SaveRegistration(ctx context.Context, client *ocpi.ClientInformation) error {
	client.UpdatedAt = time.Now().UTC()

	return s.withTx(ctx, func(tx pgx.Tx) error {
		query, args, err := s.sb.
			Update("clients").
			Set("server_token", nullString(client.ServerToken)).
			Set("partner_token", client.PartnerToken).
			Set("versions_url", client.VersionsURL).
			Set("version", client.Version).
			Set("registered", client.Registered).
			Set("updated_at", client.UpdatedAt).
			Where(sq.Eq{"id": client.ID}).
			ToSql()
		if err != nil {
			return fmt.Errorf("building client update: %w", err)
		}
		tag, err := tx.Exec(ctx, query, args...)
		if err != nil {
			return mapError(err, fmt.Sprintf("updating client %d", client.ID))
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: client %d", ocpi.ErrNotFound, client.ID)
		}

		if err := s.replaceRoles(ctx, tx, client.ID, client.Roles); err != nil {
			return err
		}
		for i := range client.Versions {
			if err := s.replaceVersion(ctx, tx, client.ID, &client.Versions[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteClient removes a partner; roles, versions and endpoints go with it
func (s *PostgresStore) DeleteClient(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM clients WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting client %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: client %d", ocpi.ErrNotFound, id)
	}
	return nil
}

// ClientByID loads the aggregate of one partner
func (s *PostgresStore) ClientByID(ctx context.Context, id int64) (*ocpi.ClientInformation, error) {
	return s.loadClient(ctx, sq.Eq{"id": id}, fmt.Sprintf("client %d", id))
}

// ClientByClientToken finds a partner by the handshake token it presented
func (s *PostgresStore) ClientByClientToken(ctx context.Context, token string) (*ocpi.ClientInformation, error) {
	return s.loadClient(ctx, sq.Eq{"client_token": token}, "client by client token")
}

// ClientByServerToken finds a partner by the token this node issued to it
func (s *PostgresStore) ClientByServerToken(ctx context.Context, token string) (*ocpi.ClientInformation, error) {
	return s.loadClient(ctx, sq.Eq{"server_token": token}, "client by server token")
}

// ClientByParty finds the registered partner holding a role for party. The role is only
// compared when party carries one.
func (s *PostgresStore) ClientByParty(ctx context.Context, party ocpi.PartyIdentity) (*ocpi.ClientInformation, error) {
	// built with the default placeholder format so it can be embedded in the outer query
	sub := sq.
		Select("client_id").
		From("client_roles").
		Where(sq.Eq{
			"country_code": strings.ToUpper(party.CountryCode),
			"party_id":     strings.ToUpper(party.PartyID),
		})
	if party.Role != "" {
		sub = sub.Where(sq.Eq{"role": string(party.Role)})
	}
	subQuery, subArgs, err := sub.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building role lookup: %w", err)
	}

	return s.loadClient(ctx,
		sq.And{sq.Eq{"registered": true}, sq.Expr("id IN ("+subQuery+")", subArgs...)},
		"client for party "+party.String(),
	)
}

func (s *PostgresStore) loadClient(ctx context.Context, where sq.Sqlizer, what string) (*ocpi.ClientInformation, error) {
	query, args, err := s.sb.
		Select("id", "client_token", "server_token", "partner_token", "versions_url", "version", "registered", "created_at", "updated_at").
		From("clients").
		Where(where).
		OrderBy("id").
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building client query: %w", err)
	}

	client := &ocpi.ClientInformation{}
	var serverToken *string
	if err := s.pool.QueryRow(ctx, query, args...).Scan(
		&client.ID, &client.ClientToken, &serverToken, &client.PartnerToken, &client.VersionsURL,
		&client.Version, &client.Registered, &client.CreatedAt, &client.UpdatedAt,
	); err != nil {
		return nil, mapError(err, what)
	}
	if serverToken != nil {
		client.ServerToken = *serverToken
	}

	if client.Roles, err = s.loadRoles(ctx, client.ID); err != nil {
		return nil, err
	}
	if client.Versions, err = s.loadVersions(ctx, client.ID); err != nil {
		return nil, err
	}
	return client, nil
}

func (s *PostgresStore) loadRoles(ctx context.Context, clientID int64) ([]ocpi.CredentialsRole, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT role, country_code, party_id, business_name, business_website, business_logo
		FROM client_roles
		WHERE client_id = $1
		ORDER BY id
	`, clientID)
	if err != nil {
		return nil, fmt.Errorf("loading roles of client %d: %w", clientID, err)
	}
	defer rows.Close()

	roles := []ocpi.CredentialsRole{}
	for rows.Next() {
		var r ocpi.CredentialsRole
		var logo []byte
		if err := rows.Scan(&r.Role, &r.CountryCode, &r.PartyID, &r.BusinessDetails.Name, &r.BusinessDetails.Website, &logo); err != nil {
			return nil, fmt.Errorf("scanning role of client %d: %w", clientID, err)
		}
		if len(logo) > 0 {
			r.BusinessDetails.Logo = &ocpi.Image{}
			if err := json.Unmarshal(logo, r.BusinessDetails.Logo); err != nil {
				return nil, fmt.Errorf("decoding logo of client %d: %w", clientID, err)
			}
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

func (s *PostgresStore) loadVersions(ctx context.Context, clientID int64) ([]ocpi.VersionDetails, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT v.version, v.url, e.identifier, e.role, e.url
		FROM client_versions v
		LEFT JOIN client_endpoints e ON e.version_id = v.id
		WHERE v.client_id = $1
		ORDER BY v.id, e.id
	`, clientID)
	if err != nil {
		return nil, fmt.Errorf("loading versions of client %d: %w", clientID, err)
	}
	defer rows.Close()

	versions := []ocpi.VersionDetails{}
	for rows.Next() {
		var version, versionURL string
		var identifier, role, endpointURL *string
		if err := rows.Scan(&version, &versionURL, &identifier, &role, &endpointURL); err != nil {
			return nil, fmt.Errorf("scanning version of client %d: %w", clientID, err)
		}
		if len(versions) == 0 || versions[len(versions)-1].Version != version {
			versions = append(versions, ocpi.VersionDetails{Version: version, URL: versionURL, Endpoints: []ocpi.Endpoint{}})
		}
		if identifier == nil {
			continue
		}
		current := &versions[len(versions)-1]
		current.Endpoints = append(current.Endpoints, ocpi.Endpoint{
			Identifier: ocpi.ModuleID(*identifier),
			Role:       ocpi.InterfaceRole(*role),
			URL:        *endpointURL,
		})
	}
	return versions, rows.Err()
}

func (s *PostgresStore) replaceRoles(ctx context.Context, tx pgx.Tx, clientID int64, roles []ocpi.CredentialsRole) error {
	if _, err := tx.Exec(ctx, `DELETE FROM client_roles WHERE client_id = $1`, clientID); err != nil {
		return fmt.Errorf("clearing roles of client %d: %w", clientID, err)
	}
	if len(roles) == 0 {
		return nil
	}

	insert := s.sb.
		Insert("client_roles").
		Columns("client_id", "role", "country_code", "party_id", "business_name", "business_website", "business_logo")
	for _, r := range roles {
		var logo interface{}
		if r.BusinessDetails.Logo != nil {
			raw, err := json.Marshal(r.BusinessDetails.Logo)
			if err != nil {
				return fmt.Errorf("encoding logo: %w", err)
			}
			logo = string(raw)
		}
		insert = insert.Values(
			clientID, string(r.Role), strings.ToUpper(r.CountryCode), strings.ToUpper(r.PartyID),
			r.BusinessDetails.Name, r.BusinessDetails.Website, logo,
		)
	}

	query, args, err := insert.ToSql()
	if err != nil {
		return fmt.Errorf("building role insert: %w", err)
	}
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return mapError(err, fmt.Sprintf("inserting roles of client %d", clientID))
	}
	return nil
}

func (s *PostgresStore) replaceVersion(ctx context.Context, tx pgx.Tx, clientID int64, details *ocpi.VersionDetails) error {
	var versionID int64
	if err := tx.QueryRow(ctx, `
		INSERT INTO client_versions (client_id, version, url)
		VALUES ($1, $2, $3)
		ON CONFLICT (client_id, version) DO UPDATE SET url = EXCLUDED.url
		RETURNING id
	`, clientID, details.Version, details.URL).Scan(&versionID); err != nil {
		return fmt.Errorf("upserting version %s of client %d: %w", details.Version, clientID, err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM client_endpoints WHERE version_id = $1`, versionID); err != nil {
		return fmt.Errorf("clearing endpoints of version %s: %w", details.Version, err)
	}
	if len(details.Endpoints) == 0 {
		return nil
	}

	insert := s.sb.Insert("client_endpoints").Columns("version_id", "identifier", "role", "url")
	for _, e := range details.Endpoints {
		insert = insert.Values(versionID, string(e.Identifier), string(e.Role), e.URL)
	}
	query, args, err := insert.ToSql()
	if err != nil {
		return fmt.Errorf("building endpoint insert: %w", err)
	}
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("inserting endpoints of version %s: %w", details.Version, err)
	}
	return nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
