package service

import (
	"context"
	"database/sql"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nbf-stay/smartqr-api/internal/dto"
	"github.com/nbf-stay/smartqr-api/internal/models"
	"github.com/nbf-stay/smartqr-api/internal/repository"
	appErrors "github.com/nbf-stay/smartqr-api/pkg/errors"
)

// mockCodeStore mimics the store's conditional-update semantics: the
// whole release-and-bind runs under one lock, exactly like the database
// transaction it stands in for.
type mockCodeStore struct {
	mu    sync.Mutex
	codes map[string]*models.QRCode
	users map[string]*models.User
	reads int
}

func newMockCodeStore() *mockCodeStore {
	return &mockCodeStore{
		codes: make(map[string]*models.QRCode),
		users: make(map[string]*models.User),
	}
}

func (m *mockCodeStore) addCode(code string, status models.CodeStatus) {
	m.codes[code] = &models.QRCode{ID: "id-" + code, Code: code, Status: status}
}

func (m *mockCodeStore) addUser(id, name string) {
	m.users[id] = &models.User{ID: id, FullName: name}
}

func (m *mockCodeStore) FindByCode(ctx context.Context, code string) (*models.QRCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	if qr, ok := m.codes[code]; ok {
		copied := *qr
		return &copied, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockCodeStore) Assign(ctx context.Context, userID, code string) (*repository.AssignOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.users[userID]
	if !ok {
		return nil, sql.ErrNoRows
	}

	// A failed bind must leave no trace, like the rolled-back transaction
	// it stands in for.
	qr, ok := m.codes[code]
	if !ok || qr.Status != models.CodeStatusUnused {
		return nil, repository.ErrCodeTaken
	}

	var released *string
	if user.AssignedQRID != nil {
		for _, prior := range m.codes {
			if prior.ID == *user.AssignedQRID && prior.Status == models.CodeStatusActive {
				prior.Status = models.CodeStatusDisabled
				prior.AssignedUserID = nil
				c := prior.Code
				released = &c
			}
		}
	}
	qr.Status = models.CodeStatusActive
	qr.AssignedUserID = &userID
	user.AssignedQRID = &qr.ID

	bound := *qr
	return &repository.AssignOutcome{Bound: bound, ReleasedCode: released}, nil
}

func (m *mockCodeStore) FindByID(ctx context.Context, id string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		copied := *u
		return &copied, nil
	}
	return nil, sql.ErrNoRows
}

func newAssignmentService(store *mockCodeStore) *AssignmentService {
	return NewAssignmentService(store, store, nil, zap.NewNop(), "NBF")
}

func TestAssignBindsUnusedCode(t *testing.T) {
	store := newMockCodeStore()
	store.addUser("u1", "Rina Wijaya")
	store.addCode("NBF_ab12cd", models.CodeStatusUnused)
	svc := newAssignmentService(store)

	resp, err := svc.Assign(context.Background(), dto.AssignRequest{UserID: "u1", Code: "NBF_ab12cd"})
	require.NoError(t, err)
	assert.Equal(t, "NBF_ab12cd", resp.Code)
	assert.Equal(t, "Rina Wijaya", resp.UserName)
	assert.Empty(t, resp.Released)

	qr := store.codes["NBF_ab12cd"]
	assert.Equal(t, models.CodeStatusActive, qr.Status)
	require.NotNil(t, qr.AssignedUserID)
	assert.Equal(t, "u1", *qr.AssignedUserID)
}

func TestAssignNormalizesCandidate(t *testing.T) {
	store := newMockCodeStore()
	store.addUser("u1", "Rina Wijaya")
	store.addCode("NBF_ab12cd", models.CodeStatusUnused)
	svc := newAssignmentService(store)

	resp, err := svc.Assign(context.Background(), dto.AssignRequest{UserID: "u1", Code: "  nbf_ab12cd  "})
	require.NoError(t, err)
	assert.Equal(t, "NBF_ab12cd", resp.Code)
}

func TestAssignRejectsInvalidFormatWithoutStoreRead(t *testing.T) {
	store := newMockCodeStore()
	store.addUser("u1", "Rina Wijaya")
	svc := newAssignmentService(store)

	_, err := svc.Assign(context.Background(), dto.AssignRequest{UserID: "u1", Code: "garbage"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrInvalidFormat.Code, appErrors.FromError(err).Code)
	assert.Zero(t, store.reads, "format rejection must not touch the store")
}

func TestAssignUnknownCode(t *testing.T) {
	store := newMockCodeStore()
	store.addUser("u1", "Rina Wijaya")
	svc := newAssignmentService(store)

	_, err := svc.Assign(context.Background(), dto.AssignRequest{UserID: "u1", Code: "NBF_missing1"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}

func TestAssignUnknownUser(t *testing.T) {
	store := newMockCodeStore()
	store.addCode("NBF_ab12cd", models.CodeStatusUnused)
	svc := newAssignmentService(store)

	_, err := svc.Assign(context.Background(), dto.AssignRequest{UserID: "ghost", Code: "NBF_ab12cd"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}

func TestAssignAlreadyBoundCode(t *testing.T) {
	store := newMockCodeStore()
	store.addUser("u1", "Rina Wijaya")
	store.addUser("u2", "Budi Santoso")
	store.addCode("NBF_ab12cd", models.CodeStatusUnused)
	svc := newAssignmentService(store)

	_, err := svc.Assign(context.Background(), dto.AssignRequest{UserID: "u1", Code: "NBF_ab12cd"})
	require.NoError(t, err)

	_, err = svc.Assign(context.Background(), dto.AssignRequest{UserID: "u2", Code: "NBF_ab12cd"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrAlreadyAssigned.Code, appErrors.FromError(err).Code)
	assert.Equal(t, "code is already assigned", appErrors.FromError(err).Message)

	qr := store.codes["NBF_ab12cd"]
	require.NotNil(t, qr.AssignedUserID)
	assert.Equal(t, "u1", *qr.AssignedUserID, "losing caller must not overwrite the binding")
}

func TestAssignSelfRescan(t *testing.T) {
	store := newMockCodeStore()
	store.addUser("u1", "Rina Wijaya")
	store.addCode("NBF_ab12cd", models.CodeStatusUnused)
	svc := newAssignmentService(store)

	_, err := svc.Assign(context.Background(), dto.AssignRequest{UserID: "u1", Code: "NBF_ab12cd"})
	require.NoError(t, err)

	// Re-scanning a code the user already holds should not blame another
	// account.
	_, err = svc.Assign(context.Background(), dto.AssignRequest{UserID: "u1", Code: "NBF_ab12cd"})
	require.Error(t, err)
	appErr := appErrors.FromError(err)
	assert.Equal(t, appErrors.ErrAlreadyAssigned.Code, appErr.Code)
	assert.Equal(t, "code is already assigned to this account", appErr.Message)
}

func TestReassignReleasesPriorCode(t *testing.T) {
	store := newMockCodeStore()
	store.addUser("u1", "Rina Wijaya")
	store.addCode("NBF_ab12cd", models.CodeStatusUnused)
	store.addCode("NBF_zz99yy", models.CodeStatusUnused)
	svc := newAssignmentService(store)

	_, err := svc.Assign(context.Background(), dto.AssignRequest{UserID: "u1", Code: "NBF_ab12cd"})
	require.NoError(t, err)

	resp, err := svc.Assign(context.Background(), dto.AssignRequest{UserID: "u1", Code: "NBF_zz99yy"})
	require.NoError(t, err)
	assert.Equal(t, "NBF_zz99yy", resp.Code)
	assert.Equal(t, "NBF_ab12cd", resp.Released)

	// Prior code retires to DISABLED; the user holds exactly one active code.
	assert.Equal(t, models.CodeStatusDisabled, store.codes["NBF_ab12cd"].Status)
	assert.Nil(t, store.codes["NBF_ab12cd"].AssignedUserID)
	active := 0
	for _, qr := range store.codes {
		if qr.Status == models.CodeStatusActive && qr.AssignedUserID != nil && *qr.AssignedUserID == "u1" {
			active++
		}
	}
	assert.Equal(t, 1, active)
}

func TestAssignRaceExactlyOneWinner(t *testing.T) {
	store := newMockCodeStore()
	store.addUser("uA", "Agent A")
	store.addUser("uB", "Agent B")
	store.addCode("NBF_race01", models.CodeStatusUnused)
	svc := newAssignmentService(store)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i, userID := range []string{"uA", "uB"} {
		wg.Add(1)
		go func(slot int, uid string) {
			defer wg.Done()
			_, results[slot] = svc.Assign(context.Background(), dto.AssignRequest{UserID: uid, Code: "NBF_race01"})
		}(i, userID)
	}
	wg.Wait()

	winners := 0
	for _, err := range results {
		if err == nil {
			winners++
		} else {
			assert.Equal(t, appErrors.ErrAlreadyAssigned.Code, appErrors.FromError(err).Code)
		}
	}
	assert.Equal(t, 1, winners, "exactly one concurrent caller may win the code")

	qr := store.codes["NBF_race01"]
	assert.Equal(t, models.CodeStatusActive, qr.Status)
	require.NotNil(t, qr.AssignedUserID)
}

func TestAssignmentInvariantActiveIffBound(t *testing.T) {
	store := newMockCodeStore()
	store.addUser("u1", "Rina Wijaya")
	store.addCode("NBF_ab12cd", models.CodeStatusUnused)
	store.addCode("NBF_zz99yy", models.CodeStatusUnused)
	svc := newAssignmentService(store)

	check := func() {
		for _, qr := range store.codes {
			if qr.Status == models.CodeStatusActive {
				assert.NotNil(t, qr.AssignedUserID)
			} else {
				assert.Nil(t, qr.AssignedUserID)
			}
		}
	}

	check()
	_, err := svc.Assign(context.Background(), dto.AssignRequest{UserID: "u1", Code: "NBF_ab12cd"})
	require.NoError(t, err)
	check()
	_, err = svc.Assign(context.Background(), dto.AssignRequest{UserID: "u1", Code: "NBF_zz99yy"})
	require.NoError(t, err)
	check()
}
