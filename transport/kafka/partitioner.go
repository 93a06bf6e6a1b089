package kafka

import (
	"fmt"

	"github.com/IBM/sarama"
)

type fixedPartitioner struct {
	partition int32
}

// FixedPartitioner returns a partitioner that writes every record to partition.
func FixedPartitioner(partition int32) sarama.PartitionerConstructor {
	return func(topic string) sarama.Partitioner {
		return fixedPartitioner{partition: partition}
	}
}

func (p fixedPartitioner) Partition(msg *sarama.ProducerMessage, numPartitions int32) (int32, error) {
	if p.partition < 0 || p.partition >= numPartitions {
		return -1, fmt.Errorf("%w: partition %d of %d", sarama.ErrInvalidPartition, p.partition, numPartitions)
	}
	return p.partition, nil
}

func (p fixedPartitioner) RequiresConsistency() bool {
	return true
}
