package model

import "strings"

// MimeCategory относит MIME-тип к категории статистики.
func MimeCategory(mimeType string) string {
	switch {
	case mimeType == "":
		return "unknown"
	case strings.HasPrefix(mimeType, "image/"):
		return "image"
	case strings.HasPrefix(mimeType, "video/"):
		return "video"
	case strings.HasPrefix(mimeType, "audio/"):
		return "audio"
	case mimeType == "application/pdf":
		return "pdf"
	case strings.Contains(mimeType, "word") || strings.Contains(mimeType, "document"):
		return "document"
	case strings.Contains(mimeType, "excel") || strings.Contains(mimeType, "spreadsheet"):
		return "spreadsheet"
	case strings.Contains(mimeType, "zip") || strings.Contains(mimeType, "rar") ||
		strings.Contains(mimeType, "7z") || strings.Contains(mimeType, "archive"):
		return "archive"
	case strings.HasPrefix(mimeType, "text/"):
		return "text"
	default:
		return "other"
	}
}

var categoryLabels = map[string]string{
	"image":       "Изображения",
	"video":       "Видео",
	"audio":       "Аудио",
	"pdf":         "PDF документы",
	"document":    "Документы Word",
	"spreadsheet": "Таблицы Excel",
	"archive":     "Архивы",
	"text":        "Текстовые файлы",
	"other":       "Другие",
	"unknown":     "Неизвестные",
}

// CategoryLabel возвращает человекочитаемое название категории.
func CategoryLabel(category string) string {
	if label, ok := categoryLabels[category]; ok {
		return label
	}
	return category
}

// MimePatterns возвращает ILIKE-шаблоны mime_type для фильтра по категории.
// Для other и unknown шаблонов нет — фильтр не применяется.
func MimePatterns(category string) []string {
	switch category {
	case "image":
		return []string{"image/%"}
	case "video":
		return []string{"video/%"}
	case "audio":
		return []string{"audio/%"}
	case "pdf":
		return []string{"application/pdf"}
	case "document":
		return []string{"%word%", "%document%"}
	case "spreadsheet":
		return []string{"%excel%", "%spreadsheet%"}
	case "archive":
		return []string{"%zip%", "%rar%", "%7z%", "%archive%"}
	case "text":
		return []string{"text/%"}
	default:
		return nil
	}
}
