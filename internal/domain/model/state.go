package model

// StorageState — вычисляемое состояние хранения записи.
// Не хранится в БД: пересчитывается при каждом запросе из
// (есть ли байты локально, указан ли legacy_path).
type StorageState string

const (
	// StateLocal — байты присутствуют в локальном хранилище.
	StateLocal StorageState = "local"
	// StateRemoteOnly — локальных байтов нет, но есть legacy_path.
	StateRemoteOnly StorageState = "remote-only"
	// StateZombie — нет ни локальных байтов, ни legacy_path: данные потеряны.
	StateZombie StorageState = "zombie"
)

// ComputeState вычисляет состояние хранения записи.
func ComputeState(existsLocally bool, rec *FileRecord) StorageState {
	switch {
	case existsLocally:
		return StateLocal
	case rec.HasLegacyPath():
		return StateRemoteOnly
	default:
		return StateZombie
	}
}

// SourceTier — уровень, из которого получены байты файла.
type SourceTier string

const (
	TierLocal  SourceTier = "local"
	TierPeer   SourceTier = "peer"
	TierLegacy SourceTier = "legacy"
)
