package service

import (
	"slices"

	"github.com/mmeshcher/raw2insight/internal/model"
)

// StatusFilterAll отключает фильтрацию по статусу.
const StatusFilterAll = "all"

// SortOrder: порядок сортировки истории документов.
type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// DashboardLimit: сколько последних документов учитывается в сводке.
const DashboardLimit = 10

// Stats: сводка по документам пользователя.
type Stats struct {
	Total      int `json:"total"`
	Completed  int `json:"completed"`
	Processing int `json:"processing"`
	Failed     int `json:"failed"`
}

// FilterByStatus возвращает документы с указанным статусом. Пустой фильтр и "all" пропускают всё.
func FilterByStatus(docs []model.Document, status string) []model.Document {
	out := make([]model.Document, 0, len(docs))
	for _, d := range docs {
		if status == "" || status == StatusFilterAll || string(d.Status) == status {
			out = append(out, d)
		}
	}
	return out
}

// SortByCreatedAt возвращает копию списка, упорядоченную по времени создания.
// Порядок desc всегда точно обратен порядку asc.
func SortByCreatedAt(docs []model.Document, order SortOrder) []model.Document {
	out := slices.Clone(docs)
	slices.SortStableFunc(out, func(a, b model.Document) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	if order == SortDesc {
		slices.Reverse(out)
	}
	return out
}

// ComputeStats считает документы по статусам.
func ComputeStats(docs []model.Document) Stats {
	st := Stats{Total: len(docs)}
	for _, d := range docs {
		switch d.Status {
		case model.JobStatusCompleted:
			st.Completed++
		case model.JobStatusProcessing:
			st.Processing++
		case model.JobStatusFailed:
			st.Failed++
		}
	}
	return st
}
