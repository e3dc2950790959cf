package domain

import (
	"errors"
	"fmt"
)

// Códigos de error estables, útiles para logs y métricas.
const (
	CodeDomainValidation = "ERR-DOMAIN-001"
	CodeExternalService  = "ERR-EXTERNAL-001"
)

// DomainValidationError se devuelve cuando una regla de dominio impide la operación.
type DomainValidationError struct {
	Message string
}

func NewDomainValidationError(msg string) *DomainValidationError {
	return &DomainValidationError{Message: msg}
}

func (e *DomainValidationError) Error() string { return e.Message }

// Code devuelve el código estable del error.
func (e *DomainValidationError) Code() string { return CodeDomainValidation }

// ExternalServiceError indica que una dependencia de infraestructura (broker, API, ...) falló.
// Permite distinguir fallos de infraestructura de fallos de negocio con errors.As.
type ExternalServiceError struct {
	Service string
	Message string
	Err     error
}

func NewExternalServiceError(service, msg string, cause error) *ExternalServiceError {
	return &ExternalServiceError{Service: service, Message: msg, Err: cause}
}

func (e *ExternalServiceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("external service %s: %s", e.Service, e.Message)
	}
	return fmt.Sprintf("external service %s: %s: %v", e.Service, e.Message, e.Err)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

// Code devuelve el código estable del error.
func (e *ExternalServiceError) Code() string { return CodeExternalService }

// IsExternalServiceError informa si err (o alguno de los errores que envuelve) es de infraestructura.
func IsExternalServiceError(err error) bool {
	var ext *ExternalServiceError
	return errors.As(err, &ext)
}
