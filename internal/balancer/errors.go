package balancer

import "errors"

var (
	// ErrNoHostAvailable — нет host со свободным местом. Не ошибка job:
	// job остаётся в PENDING.
	ErrNoHostAvailable = errors.New("no host available")

	// ErrAlreadyAssigned — job уже закреплён за host этим balancer'ом.
	ErrAlreadyAssigned = errors.New("job already assigned")

	// ErrNilHostDirectory — Config.Hosts не задан.
	ErrNilHostDirectory = errors.New("host directory is required")
)
