// Package records is the medical records service a node serves. Its storage
// is an in-memory map; the interesting part is that every call runs through
// the node's load-tracked handler chain.
package records

import (
	"context"
	"slices"
	"strconv"
	"sync"

	"fleet-rpc/rpcerr"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

type Record struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	MedicalHistory string `json:"medical_history"`
}

type CreateRecordRequest struct {
	Name           string `json:"name"`
	MedicalHistory string `json:"medical_history"`
}

type RecordRequest struct {
	RecordID string `json:"record_id"`
}

type UpdateRecordRequest struct {
	RecordID              string `json:"record_id"`
	UpdatedMedicalHistory string `json:"updated_medical_history"`
}

type Empty struct{}

type ListRecordsResponse struct {
	Records []Record `json:"records"`
}

type ServiceStatus struct {
	IsHealthy bool `json:"is_healthy"`
}

// Store keeps records by id.
type Store struct {
	mu     sync.RWMutex
	nextID int64
	byID   map[int64]Record
}

func NewStore() *Store {
	return &Store{byID: make(map[int64]Record)}
}

func (s *Store) Create(name, history string) Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	r := Record{ID: strconv.FormatInt(s.nextID, 10), Name: name, MedicalHistory: history}
	s.byID[s.nextID] = r
	return r
}

func (s *Store) Get(id int64) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byID[id]
	return r, ok
}

func (s *Store) UpdateHistory(id int64, history string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[id]
	if !ok {
		return Record{}, false
	}
	r.MedicalHistory = history
	s.byID[id] = r
	return r, true
}

func (s *Store) Delete(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[id]; !ok {
		return false
	}
	delete(s.byID, id)
	return true
}

// List returns all records ordered by id.
func (s *Store) List() []Record {
	s.mu.RLock()
	ids := make([]int64, 0, len(s.byID))
	for id := range s.byID {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	slices.Sort(ids)

	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		if r, ok := s.Get(id); ok {
			out = append(out, r)
		}
	}
	return out
}

// RecordService exposes a Store over RPC.
type RecordService struct {
	store  *Store
	logger log.Logger
}

func NewRecordService(store *Store, logger log.Logger) *RecordService {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &RecordService{store: store, logger: log.WithPrefix(logger, "component", "records")}
}

func (s *RecordService) CreateRecord(ctx context.Context, req *CreateRecordRequest, reply *Record) error {
	if req.Name == "" {
		return rpcerr.NewBadRequest("record name is required", nil)
	}
	*reply = s.store.Create(req.Name, req.MedicalHistory)
	level.Debug(s.logger).Log("msg", "record created", "id", reply.ID)
	return nil
}

func (s *RecordService) GetRecordInfo(ctx context.Context, req *RecordRequest, reply *Record) error {
	id, err := parseID(req.RecordID)
	if err != nil {
		return err
	}
	r, ok := s.store.Get(id)
	if !ok {
		return notFound(req.RecordID)
	}
	*reply = r
	return nil
}

func (s *RecordService) UpdateRecordInfo(ctx context.Context, req *UpdateRecordRequest, reply *Record) error {
	id, err := parseID(req.RecordID)
	if err != nil {
		return err
	}
	r, ok := s.store.UpdateHistory(id, req.UpdatedMedicalHistory)
	if !ok {
		return notFound(req.RecordID)
	}
	*reply = r
	return nil
}

func (s *RecordService) DeleteRecord(ctx context.Context, req *RecordRequest, reply *Empty) error {
	id, err := parseID(req.RecordID)
	if err != nil {
		return err
	}
	if !s.store.Delete(id) {
		return notFound(req.RecordID)
	}
	level.Debug(s.logger).Log("msg", "record deleted", "id", req.RecordID)
	return nil
}

func (s *RecordService) ListRecords(ctx context.Context, req *Empty, reply *ListRecordsResponse) error {
	reply.Records = s.store.List()
	return nil
}

func (s *RecordService) GetServiceStatus(ctx context.Context, req *Empty, reply *ServiceStatus) error {
	reply.IsHealthy = true
	return nil
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, rpcerr.NewBadRequest("record id must be numeric", err)
	}
	return id, nil
}

func notFound(id string) error {
	return rpcerr.NewNotFound("record with id "+id+" not found", nil)
}
