// Copyright (c) NebulaChat
// SPDX-License-Identifier: Apache-2.0

package postgres

import (
	"context"
	"time"

	"github.com/elaysia-feng/nebulachat/pkg/errors"
	repoerr "github.com/elaysia-feng/nebulachat/pkg/errors/repository"
	"github.com/elaysia-feng/nebulachat/pkg/postgres"
	"github.com/elaysia-feng/nebulachat/users"
	"github.com/jmoiron/sqlx"
)

type userRepo struct {
	db *sqlx.DB
}

var _ users.Repository = (*userRepo)(nil)

// NewRepository instantiates a PostgreSQL implementation of the users
// repository.
func NewRepository(db *sqlx.DB) users.Repository {
	return &userRepo{db: db}
}

type dbUser struct {
	ID        int64     `db:"id"`
	Name      string    `db:"name"`
	Phone     string    `db:"phone"`
	Secret    string    `db:"secret"`
	CreatedAt time.Time `db:"created_at"`
}

func toDBUser(u users.User) dbUser {
	return dbUser{
		ID:        u.ID,
		Name:      u.Name,
		Phone:     u.Phone,
		Secret:    u.Secret,
		CreatedAt: u.CreatedAt,
	}
}

func toUser(dbu dbUser) users.User {
	return users.User{
		ID:        dbu.ID,
		Name:      dbu.Name,
		Phone:     dbu.Phone,
		Secret:    dbu.Secret,
		CreatedAt: dbu.CreatedAt,
	}
}

func (repo *userRepo) Save(ctx context.Context, u users.User) (users.User, error) {
	q := `INSERT INTO users (id, name, phone, secret, created_at)
		VALUES (:id, :name, :phone, :secret, :created_at)
		RETURNING id, name, phone, secret, created_at`

	dbu := toDBUser(u)
	if dbu.CreatedAt.IsZero() {
		dbu.CreatedAt = time.Now().UTC()
	}

	row, err := repo.db.NamedQueryContext(ctx, q, dbu)
	if err != nil {
		return users.User{}, postgres.HandleError(repoerr.ErrCreateEntity, err)
	}
	defer row.Close()

	if !row.Next() {
		return users.User{}, repoerr.ErrCreateEntity
	}
	dbu = dbUser{}
	if err := row.StructScan(&dbu); err != nil {
		return users.User{}, errors.Wrap(repoerr.ErrCreateEntity, err)
	}

	return toUser(dbu), nil
}

func (repo *userRepo) RetrieveByID(ctx context.Context, id int64) (users.User, error) {
	q := `SELECT id, name, phone, secret, created_at FROM users WHERE id = :id`
	return repo.retrieve(ctx, q, dbUser{ID: id})
}

func (repo *userRepo) RetrieveByName(ctx context.Context, name string) (users.User, error) {
	q := `SELECT id, name, phone, secret, created_at FROM users WHERE name = :name`
	return repo.retrieve(ctx, q, dbUser{Name: name})
}

func (repo *userRepo) RetrieveByPhone(ctx context.Context, phone string) (users.User, error) {
	q := `SELECT id, name, phone, secret, created_at FROM users WHERE phone = :phone`
	return repo.retrieve(ctx, q, dbUser{Phone: phone})
}

func (repo *userRepo) retrieve(ctx context.Context, q string, param dbUser) (users.User, error) {
	rows, err := repo.db.NamedQueryContext(ctx, q, param)
	if err != nil {
		return users.User{}, postgres.HandleError(repoerr.ErrViewEntity, err)
	}
	defer rows.Close()

	if rows.Next() {
		var dbu dbUser
		if err := rows.StructScan(&dbu); err != nil {
			return users.User{}, postgres.HandleError(repoerr.ErrViewEntity, err)
		}
		return toUser(dbu), nil
	}

	return users.User{}, repoerr.ErrNotFound
}

func (repo *userRepo) UpdateName(ctx context.Context, id int64, name string) error {
	q := `UPDATE users SET name = :name WHERE id = :id`
	return repo.update(ctx, q, dbUser{ID: id, Name: name})
}

func (repo *userRepo) UpdateSecret(ctx context.Context, id int64, secret string) error {
	q := `UPDATE users SET secret = :secret WHERE id = :id`
	return repo.update(ctx, q, dbUser{ID: id, Secret: secret})
}

func (repo *userRepo) update(ctx context.Context, q string, param dbUser) error {
	res, err := repo.db.NamedExecContext(ctx, q, param)
	if err != nil {
		return postgres.HandleError(repoerr.ErrUpdateEntity, err)
	}

	count, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(repoerr.ErrUpdateEntity, err)
	}
	if count == 0 {
		return repoerr.ErrNotFound
	}
	return nil
}
