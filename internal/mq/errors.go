package mq

import "errors"

var (
	// ErrNoChannel — соединения с RabbitMQ сейчас нет.
	ErrNoChannel = errors.New("no amqp channel available")

	// ErrClosed — соединение закрыто через Close.
	ErrClosed = errors.New("amqp connection closed")
)
