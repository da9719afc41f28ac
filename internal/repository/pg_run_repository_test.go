package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snowsearch/snowsearch/internal/domain"
)

func TestPgRunRepository_Create(t *testing.T) {
	ctx := context.Background()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewPgRunRepository(mock)
	started := time.Now().UTC()

	mock.ExpectQuery("INSERT INTO runs").
		WillReturnRows(pgxmock.NewRows([]string{"id", "started_at"}).AddRow(int64(7), started))

	run, err := repo.Create(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7), run.ID)
	assert.Equal(t, started, run.StartedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgRunRepository_SetQuery(t *testing.T) {
	ctx := context.Background()

	t.Run("updates the run", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgRunRepository(mock)

		mock.ExpectExec("UPDATE runs").
			WithArgs(int64(7), "transformers for reviews", `"transformer" AND "review"`, "gpt-4o").
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		err = repo.SetQuery(ctx, 7, "transformers for reviews", `"transformer" AND "review"`, "gpt-4o")
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("returns not found for unknown run", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgRunRepository(mock)

		mock.ExpectExec("UPDATE runs").
			WithArgs(int64(99), "q", "q", "m").
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))

		err = repo.SetQuery(ctx, 99, "q", "q", "m")
		assert.True(t, errors.Is(err, domain.ErrNotFound))
	})
}

func TestPgRunRepository_LinkPapers(t *testing.T) {
	ctx := context.Background()

	t.Run("links seeds with discovery rank", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgRunRepository(mock)
		first := newTestPaper()
		second := newTestPaper()
		second.Title = "A Different Paper"

		batch := mock.ExpectBatch()
		batch.ExpectExec("INSERT INTO run_papers").
			WithArgs(int64(7), first.TitleHash(), 1).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		batch.ExpectExec("INSERT INTO run_papers").
			WithArgs(int64(7), second.TitleHash(), 2).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		err = repo.LinkPapers(ctx, 7, []domain.RankedSeed{
			{Paper: first, Rank: 1},
			{Paper: second, Rank: 2},
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("no-op for empty input", func(t *testing.T) {
		repo := NewPgRunRepository(nil)
		assert.NoError(t, repo.LinkPapers(ctx, 7, nil))
	})
}

func TestPgRunRepository_GetByID(t *testing.T) {
	ctx := context.Background()

	t.Run("returns run when found", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgRunRepository(mock)
		started := time.Now().UTC()

		mock.ExpectQuery("SELECT (.+) FROM runs").
			WithArgs(int64(7)).
			WillReturnRows(pgxmock.NewRows([]string{"id", "started_at", "nl_query", "query", "query_model"}).
				AddRow(int64(7), started, "nl", "q", "m"))

		run, err := repo.GetByID(ctx, 7)
		require.NoError(t, err)
		assert.Equal(t, "nl", run.NLQuery)
		assert.Equal(t, "q", run.Query)
	})

	t.Run("returns not found when missing", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgRunRepository(mock)

		mock.ExpectQuery("SELECT (.+) FROM runs").
			WithArgs(int64(99)).
			WillReturnRows(pgxmock.NewRows([]string{"id", "started_at", "nl_query", "query", "query_model"}))

		run, err := repo.GetByID(ctx, 99)
		assert.Nil(t, run)
		assert.True(t, errors.Is(err, domain.ErrNotFound))
	})
}
