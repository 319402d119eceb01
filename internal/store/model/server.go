package model

import (
	"time"
)

type ServerStatus string

const (
	ServerStatusUnknown  ServerStatus = "Unknown"
	ServerStatusReady    ServerStatus = "Ready"
	ServerStatusNotReady ServerStatus = "NotReady"
)

// Server is the inventory record of a bootstrapped cluster node.
type Server struct {
	ServerID         string            `gorm:"primaryKey;" json:"server_id"`
	Validator        string            `gorm:"not null;" json:"validator"`
	Name             string            `gorm:"not null;uniqueIndex;" json:"name"`
	IPAddress        *string           `json:"ip_address"`
	VerificationPort *int              `json:"verification_port"`
	Status           ServerStatus      `json:"status"`
	CreatedAt        time.Time         `json:"created_at"`
	Labels           map[string]string `gorm:"type:json;not null;serializer:json" json:"labels"`
	Seed             *int64            `json:"seed"`
	GPUCount         int               `gorm:"not null;" json:"gpu_count"`
	CPUPerGPU        int               `gorm:"not null;default:1" json:"cpu_per_gpu"`
	MemoryPerGPU     int               `gorm:"not null;default:1" json:"memory_per_gpu"`
	HourlyCost       float64           `gorm:"not null;" json:"hourly_cost"`

	GPUs        []GPU        `gorm:"foreignKey:ServerID;references:ServerID;constraint:OnDelete:CASCADE;" json:"gpus"`
	Deployments []Deployment `gorm:"foreignKey:ServerID;references:ServerID;constraint:OnDelete:CASCADE;" json:"deployments"`
}

type ServerList []Server

// GPU is a device reported by the verification workload of its server.
type GPU struct {
	GPUID         string         `gorm:"primaryKey;" json:"gpu_id"`
	ServerID      string         `gorm:"not null;index;" json:"server_id"`
	ModelShortRef string         `gorm:"not null;" json:"model_short_ref"`
	Name          string         `json:"name"`
	Memory        int64          `json:"memory"`
	Major         int            `json:"major"`
	Minor         int            `json:"minor"`
	Processors    int            `json:"processors"`
	ClockRate     float64        `json:"clock_rate"`
	DeviceInfo    map[string]any `gorm:"type:json;serializer:json" json:"device_info"`
	Verified      bool           `gorm:"not null;default:false" json:"verified"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Deployment is a chute workload placed on a server. Rows go away with their server.
type Deployment struct {
	DeploymentID string    `gorm:"primaryKey;" json:"deployment_id"`
	ServerID     string    `gorm:"not null;index;" json:"server_id"`
	Name         string    `gorm:"not null;" json:"name"`
	Namespace    string    `json:"namespace"`
	Port         *int      `json:"port"`
	CreatedAt    time.Time `json:"created_at"`
}
