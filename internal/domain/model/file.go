// Пакет model — доменные модели файлового сервиса.
// FileRecord — маппинг таблицы zakaz_files.
package model

import "time"

// FileRecord — запись о вложении заявки в таблице zakaz_files.
// Сервис читает записи и изменяет их только при миграции (file_size)
// и при подтверждённом оператором удалении.
type FileRecord struct {
	// ID — идентификатор записи
	ID string `json:"id"`
	// ApplicationID — заявка-владелец (внешняя ссылка, ядром не проверяется)
	ApplicationID string `json:"application_id"`
	// OriginalFilename — имя для пользователя, только для Content-Disposition
	OriginalFilename string `json:"original_filename"`
	// StoredFilename — имя файла в директории заявки локального хранилища
	StoredFilename string `json:"stored_filename"`
	// FileSize — размер из метаданных загрузки
	FileSize int64 `json:"file_size"`
	// MimeType — MIME-тип из метаданных загрузки
	MimeType string `json:"mime_type"`
	// LegacyPath — путь или URL файла на старом сервере (nil — файл не из legacy)
	LegacyPath *string `json:"legacy_path"`
	// UploadedBy — пользователь, загрузивший файл (nil для импортированных)
	UploadedBy *string `json:"uploaded_by,omitempty"`
	// UploadedAt — время загрузки, ключ сортировки списков
	UploadedAt time.Time `json:"uploaded_at"`
	// Application — краткие сведения о заявке (только в списках сверки)
	Application *ApplicationRef `json:"application,omitempty"`
}

// ApplicationRef — сведения о заявке-владельце для списков администратора.
type ApplicationRef struct {
	Number           int64   `json:"application_number"`
	CustomerFullname *string `json:"customer_fullname"`
}

// HasLegacyPath сообщает, указан ли у записи путь на старом сервере.
func (r *FileRecord) HasLegacyPath() bool {
	return r.LegacyPath != nil && *r.LegacyPath != ""
}

// DefaultMimeType — MIME-тип ответа, если в записи он не указан.
const DefaultMimeType = "application/octet-stream"

// ContentType возвращает MIME-тип записи или DefaultMimeType.
func (r *FileRecord) ContentType() string {
	if r.MimeType == "" {
		return DefaultMimeType
	}
	return r.MimeType
}
