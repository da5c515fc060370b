package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/dlddu/tiny-idp/internal/domain"
)

// Clients are stored as a JSON document plus the secret hash, which the
// document encoding omits.
type pgClientRepository struct {
	db DB
}

// NewClientRepository creates a new PostgreSQL-based ClientRepository
func NewClientRepository(db DB) ClientRepository {
	return &pgClientRepository{db: db}
}

// Create creates a new client in the database
func (r *pgClientRepository) Create(ctx context.Context, client *domain.Client) error {
	doc, err := json.Marshal(client)
	if err != nil {
		return fmt.Errorf("encode client: %w", err)
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO clients (client_id, client_secret_hash, document, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (client_id) DO UPDATE
		SET client_secret_hash = EXCLUDED.client_secret_hash,
		    document = EXCLUDED.document,
		    updated_at = EXCLUDED.updated_at`,
		client.ClientID,
		client.ClientSecretHash,
		doc,
		client.CreatedAt,
		client.UpdatedAt,
	)
	return err
}

// GetByClientID retrieves a client by its client_id
func (r *pgClientRepository) GetByClientID(ctx context.Context, clientID string) (*domain.Client, error) {
	if clientID == "" {
		return nil, ErrClientNotFound
	}
	client, err := scanClient(r.db.QueryRow(ctx,
		`SELECT client_secret_hash, document FROM clients WHERE client_id = $1`, clientID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrClientNotFound
	}
	return client, err
}

// List returns every stored client ordered by client_id
func (r *pgClientRepository) List(ctx context.Context) ([]domain.Client, error) {
	rows, err := r.db.Query(ctx, `SELECT client_secret_hash, document FROM clients ORDER BY client_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var clients []domain.Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		clients = append(clients, *c)
	}
	return clients, rows.Err()
}

// Delete removes a client by its client_id
func (r *pgClientRepository) Delete(ctx context.Context, clientID string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM clients WHERE client_id = $1`, clientID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrClientNotFound
	}
	return nil
}

func scanClient(row pgx.Row) (*domain.Client, error) {
	var (
		secretHash string
		doc        []byte
	)
	if err := row.Scan(&secretHash, &doc); err != nil {
		return nil, err
	}
	client := &domain.Client{}
	if err := json.Unmarshal(doc, client); err != nil {
		return nil, fmt.Errorf("decode client: %w", err)
	}
	client.ClientSecretHash = secretHash
	return client, nil
}
